package main

import "github.com/roomdrop/roomdrop/internal/cli"

func main() {
	cli.Execute()
}
