package main

import "github.com/edgeflare/krep/cmd/krep"

func main() {
	krep.Main()
}
