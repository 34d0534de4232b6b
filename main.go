package main

import "github.com/mjherich/gmail-to-sqlite/cmd"

func main() {
	cmd.Execute()
}
