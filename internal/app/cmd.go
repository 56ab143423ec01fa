// Package app はサブコマンドの解析と、各起動モードの依存関係のワイヤリングを行う。
package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバー（認証・決済API）を起動する。
	CommandServe Command = "serve"
	// CommandWorker はアウトボックス配信とクリーンアップのワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate は未適用のマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のAPIサーバーの/healthを確認する。
	// distrolessイメージにはcurlがないため、Dockerのヘルスチェックはこれを使う。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数からサブコマンドを解析する。
// 引数がない場合や未知のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
