package main

import "github.com/kiesman99/rastile/cmd"

func main() {
	cmd.Execute()
}
