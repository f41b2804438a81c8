package main

import "github.com/rssbox/rssbox/cmd"

func main() {
	cmd.Execute()
}
