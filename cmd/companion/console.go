package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/easeaico/persona-chat/internal/agent"
	"github.com/easeaico/persona-chat/internal/character"
	"github.com/easeaico/persona-chat/internal/types"
)

// Bot is the part of agent.ChatBot the console drives.
type Bot interface {
	Chat(ctx context.Context, userText string) (string, error)
	ClearHistory(ctx context.Context) error
	LoadCharacter(ctx context.Context, characterID string) error
	LoadSession(ctx context.Context, sessionID int64) error
	RecentSessions(ctx context.Context, limit int) ([]types.SessionInfo, error)
	Summary(ctx context.Context) (string, bool, error)
	CurrentCharacter() *character.Profile
	SessionID() int64
}

const helpText = `
帮助信息

基本命令:
- help: 显示此帮助信息
- clear: 清除当前对话历史
- switch <角色ID>: 切换到其他角色
- sessions: 列出最近的会话
- load <会话ID>: 恢复历史会话
- summary: 查看当前会话摘要
- quit: 退出程序
`

// console 是交互式聊天界面。
type console struct {
	bot        Bot
	characters []string
	in         io.Reader
	out        io.Writer
}

func (c *console) welcome() {
	p := c.bot.CurrentCharacter()
	fmt.Fprintf(c.out, "\n我是: %s (%s)\n会话: %d\n", p.Name, p.ID, c.bot.SessionID())
	fmt.Fprintln(c.out, "输入 help 查看可用命令")
}

// run reads lines until quit, EOF or ctx is done.
func (c *console) run(ctx context.Context) error {
	c.welcome()
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(c.out, "\n你: ")
		if !scanner.Scan() {
			break
		}
		if !c.handle(ctx, scanner.Text()) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

// handle processes one input line and reports whether to keep going.
func (c *console) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	command, arg := parseCommand(line)

	switch command {
	case "quit", "exit":
		fmt.Fprintln(c.out, "感谢使用，再见！")
		return false
	case "help":
		fmt.Fprint(c.out, helpText)
	case "clear":
		if err := c.bot.ClearHistory(ctx); err != nil {
			fmt.Fprintf(c.out, "清除历史失败: %v\n", err)
			break
		}
		fmt.Fprintln(c.out, "对话历史已清除")
	case "switch":
		c.switchCharacter(ctx, arg)
	case "sessions":
		c.listSessions(ctx)
	case "load":
		c.loadSession(ctx, arg)
	case "summary":
		text, ok, err := c.bot.Summary(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(c.out, "获取摘要失败: %v\n", err)
		case !ok:
			fmt.Fprintln(c.out, "对话还太短，暂无摘要")
		default:
			fmt.Fprintf(c.out, "\n对话摘要:\n%s\n", text)
		}
	default:
		reply, err := c.bot.Chat(ctx, line)
		if err != nil {
			if errors.Is(err, agent.ErrModelCall) {
				fmt.Fprintf(c.out, "聊天错误: %v\n", err)
			} else {
				fmt.Fprintf(c.out, "意外错误: %v\n", err)
			}
			break
		}
		fmt.Fprintf(c.out, "\n%s: %s\n", c.bot.CurrentCharacter().Name, reply)
	}
	return true
}

// parseCommand 只有整行是命令时才识别；switch/load 可带一个参数。
func parseCommand(line string) (command, arg string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}
	command = strings.ToLower(fields[0])
	switch len(fields) {
	case 1:
		switch command {
		case "quit", "exit", "help", "clear", "switch", "sessions", "load", "summary":
			return command, ""
		}
	case 2:
		if command == "switch" || command == "load" {
			return command, fields[1]
		}
	}
	return "", ""
}

func (c *console) switchCharacter(ctx context.Context, id string) {
	if id == "" {
		fmt.Fprintln(c.out, "\n可用角色:")
		for i, cid := range c.characters {
			fmt.Fprintf(c.out, "%d. %s\n", i+1, cid)
		}
		fmt.Fprintln(c.out, "用法: switch <角色ID 或 编号>")
		return
	}
	if n, err := strconv.Atoi(id); err == nil && n >= 1 && n <= len(c.characters) {
		id = c.characters[n-1]
	}
	if err := c.bot.LoadCharacter(ctx, id); err != nil {
		fmt.Fprintf(c.out, "切换角色失败: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "已切换到角色: %s\n", id)
}

func (c *console) listSessions(ctx context.Context) {
	sessions, err := c.bot.RecentSessions(ctx, 10)
	if err != nil {
		fmt.Fprintf(c.out, "获取会话失败: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "暂无会话")
		return
	}
	current := c.bot.SessionID()
	for _, s := range sessions {
		marker := " "
		if s.ID == current {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s %d  %-24s %-12s %3d 条消息  %s\n",
			marker, s.ID, s.Name, s.CharacterID, s.MessageCount, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
}

func (c *console) loadSession(ctx context.Context, arg string) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintln(c.out, "用法: load <会话ID>")
		return
	}
	if err := c.bot.LoadSession(ctx, id); err != nil {
		fmt.Fprintf(c.out, "加载会话失败: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "已加载会话 %d (%s)\n", id, c.bot.CurrentCharacter().ID)
}
