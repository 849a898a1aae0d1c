package main

import "github.com/foreman-dev/foreman/internal/cli"

func main() {
	cli.Execute()
}
