package main

import "github.com/joegoldin/pamix/cmd"

func main() {
	cmd.Execute()
}
