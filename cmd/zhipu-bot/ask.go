package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
	"github.com/zhouzirui/zhipu-toolkit/internal/service/ai"
)

// newAskCommand 发送一次性提问，不读写会话历史，便于检查上游配置。
func newAskCommand() *cobra.Command {
	var (
		model   string
		persona string
	)
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "绕过会话直接向模型提问",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if model == "" {
				model = cfg.AI.ChatModel
			}
			if persona == "" {
				persona = cfg.Chat.Persona
			}

			completer, classifier := newCompleter(cfg)
			gateway := ai.NewGateway(completer, classifier, nil, nil)

			res := gateway.Complete(cmd.Context(), ai.Request{
				AccountingKey: "ask-" + uuid.NewString(),
				UserID:        "cli",
				Model:         model,
				Messages: []chat.Message{
					chat.SystemMessage(persona),
					chat.UserMessage(strings.Join(args, " ")),
				},
				// 一次性提问不封禁，也没有历史可清
				Ambient: true,
			})

			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			if !res.Accepted {
				return errors.Errorf("completion rejected after %d attempt(s): %s", res.Attempts, res.Kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "模型名，默认 ai.chat_model")
	cmd.Flags().StringVar(&persona, "persona", "", "系统人设，默认 chat.persona")
	return cmd
}
