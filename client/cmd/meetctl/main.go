package main

import "github.com/adwski/meetroom/client/cli"

func main() {
	cli.Execute()
}
