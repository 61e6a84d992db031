package main

import "github.com/ashureev/autoshell/internal/cli"

func main() {
	cli.Execute()
}
