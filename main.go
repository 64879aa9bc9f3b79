package main

import "github.com/nextlevelbuilder/turnkit/cmd"

func main() {
	cmd.Execute()
}
