package main

import "github.com/lemindz/discord/cmd"

func main() {
	cmd.Execute()
}
