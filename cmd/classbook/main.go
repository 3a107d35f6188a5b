package main

import "github.com/example/classbook/cmd"

func main() {
	cmd.Execute()
}
