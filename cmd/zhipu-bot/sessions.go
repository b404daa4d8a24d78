package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/zhipu-toolkit/internal/service/session"
)

// 离线查看与清理已持久化的会话，不要在 serve 运行时使用：退出时的保存会覆盖这里的修改。
func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "查看或清理已保存的会话",
	}
	cmd.AddCommand(newSessionsListCommand(), newSessionsShowCommand(), newSessionsClearCommand())
	return cmd
}

func loadStore(cmd *cobra.Command, b *backend) (*session.Store, error) {
	persister, err := b.openPersister(cfg)
	if err != nil {
		return nil, err
	}
	store := session.NewStore(persister)
	if err := store.Load(cmd.Context()); err != nil {
		return nil, err
	}
	return store, nil
}

func newSessionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出会话及消息条数",
		RunE: func(cmd *cobra.Command, args []string) error {
			var b backend
			defer b.Close()
			store, err := loadStore(cmd, &b)
			if err != nil {
				return err
			}
			for _, key := range store.Keys() {
				history, _ := store.Get(key)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", key, len(history))
			}
			return nil
		},
	}
}

func newSessionsShowCommand() *cobra.Command {
	asYAML := false
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "显示一个会话的历史",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b backend
			defer b.Close()
			store, err := loadStore(cmd, &b)
			if err != nil {
				return err
			}
			history, ok := store.Get(args[0])
			if !ok {
				return errors.Errorf("session %q not found", args[0])
			}

			out := cmd.OutOrStdout()
			if asYAML {
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(history)
			}
			for _, msg := range history {
				fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Content)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "以 YAML 输出")
	return cmd
}

func newSessionsClearCommand() *cobra.Command {
	all := false
	cmd := &cobra.Command{
		Use:   "clear [key]",
		Short: "清理一个或全部会话",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("specify a session key or --all")
			}
			var b backend
			defer b.Close()
			store, err := loadStore(cmd, &b)
			if err != nil {
				return err
			}

			var removed int
			if all {
				removed = store.ClearAll()
			} else {
				removed = store.Clear(args[0])
			}
			if err := store.SaveAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "清理全部会话")
	return cmd
}
