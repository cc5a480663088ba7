package main

import "github.com/jmehdipour/flowhub/cmd"

func main() {
	cmd.Execute()
}
