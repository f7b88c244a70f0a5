package main

import "github.com/wpcall/wpcall/cmd/wpcall/cmd"

func main() {
	cmd.Execute()
}
