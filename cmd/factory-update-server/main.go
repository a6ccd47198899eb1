package main

import "github.com/oshokin/factory-update/cmd/factory-update-server/cmd"

func main() {
	cmd.Execute()
}
