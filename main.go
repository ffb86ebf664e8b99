package main

import "github.com/tkhasanov/newsletter-engine/cmd"

func main() {
	cmd.Execute()
}
