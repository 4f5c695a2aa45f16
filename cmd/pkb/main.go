package main

import "pkb/internal/cli"

func main() {
	cli.Execute()
}
