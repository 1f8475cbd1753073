package main

import "polysybil/internal/cli"

func main() {
	cli.Execute()
}
