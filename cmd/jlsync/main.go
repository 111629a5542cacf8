// jlsync mirrors JIRA issues into Lark Base tables, incrementally and
// one-way.
package main

func main() {
	Execute()
}
