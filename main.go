package main

import "github.com/gkatanacio/geolayers/cmd"

func main() {
	cmd.Execute()
}
