package main

import "remove-anything/cmd"

func main() {
	cmd.Execute()
}
