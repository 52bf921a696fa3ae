package app

import (
	"fmt"
	"io"
)

// Command はtaskmanバイナリのサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"
	CommandWorker      Command = "worker"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck"
	CommandHelp        Command = "help"
)

// commands は使用法の表示順を兼ねる。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "HTTP APIとWebSocket通知を提供する（既定）"},
	{CommandWorker, "完了済みタスクを定期削除する"},
	{CommandMigrate, "データベースマイグレーションを適用して終了する"},
	{CommandHealthcheck, "ローカルの/healthを叩いて終了コードで結果を返す"},
	{CommandHelp, "この使用法を表示する"},
}

// ParseCommand は先頭引数からサブコマンドを決める。
// 引数なしはserve、-h/--helpはhelpとみなし、それ以外の未知の値はエラーにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	switch args[0] {
	case "-h", "--help":
		return CommandHelp, nil
	}
	for _, c := range commands {
		if string(c.cmd) == args[0] {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("unknown command %q", args[0])
}

// writeUsage はサブコマンド一覧を書き出す。
func writeUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: taskman [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.desc)
	}
}
