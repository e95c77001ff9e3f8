package main

import "github.com/ReignProtocol/ReignProtocol/services/marketd"

func main() {
	marketd.Main()
}
