package main

import "github.com/mikel-martin-kuik/nolan-sub000/internal/cli"

func main() {
	cli.Execute()
}
