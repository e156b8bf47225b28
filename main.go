package main

import "github.com/keylty/pgbranch/cmd"

func main() {
	cmd.Execute()
}
