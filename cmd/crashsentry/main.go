package main

import "crash-sentry/internal/cli"

func main() {
	cli.Execute()
}
