package main

import "github.com/sindef/redis-failover/cmd"

func main() {
	cmd.Execute()
}
