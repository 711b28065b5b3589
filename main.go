package main

import "github.com/text-anchor/anchor-go/cmd"

func main() {
	cmd.Execute()
}
