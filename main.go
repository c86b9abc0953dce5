package main

import "yield-engine/internal/cli"

func main() {
	cli.Execute()
}
