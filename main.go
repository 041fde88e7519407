package main

import "github.com/nextlevelbuilder/inboundq/cmd"

func main() {
	cmd.Execute()
}
