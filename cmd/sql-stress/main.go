// Package main 是 sql-stress CLI 的入口
package main

import "yqhp/sql-stress/cmd"

func main() {
	cmd.Execute()
}
