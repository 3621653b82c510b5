package main

import "github.com/birdmanoutman/liblib-transportation-analysis-sub000/cmd"

func main() {
	cmd.Execute()
}
