package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailbridge/batch"
	"mailbridge/internal/config"
	"mailbridge/internal/email"
	"mailbridge/queue"
)

type batchPublisher interface {
	Publish(ctx context.Context, payload []byte) error
}

var newPublisher = func(cfg queue.Config, logger *zap.Logger) batchPublisher {
	return queue.NewPublisher(cfg, logger)
}

type publishOptions struct {
	from, to, subject, content string
}

func newPublishCmd(configPath *string) *cobra.Command {
	var opts publishOptions
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a one-message test batch to the mail queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := opts.prompt(cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
				return err
			}
			payload, err := opts.payload()
			if err != nil {
				return err
			}
			qcfg, err := queueConfig(cfg)
			if err != nil {
				return err
			}
			if err := newPublisher(qcfg, zap.NewNop()).Publish(cmd.Context(), payload); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Message sent!")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.from, "from", "", "sender address")
	cmd.Flags().StringVar(&opts.to, "to", "", "recipient address")
	cmd.Flags().StringVar(&opts.subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&opts.content, "content", "", "message content, wrapped in a paragraph")
	return cmd
}

// prompt asks for every value not given as a flag.
func (o *publishOptions) prompt(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	fields := []struct {
		label string
		value *string
	}{
		{"From", &o.from},
		{"To", &o.to},
		{"Subject", &o.subject},
		{"Content", &o.content},
	}
	for _, f := range fields {
		if *f.value != "" {
			continue
		}
		fmt.Fprintf(out, "%s: ", f.label)
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return fmt.Errorf("read %s: %w", strings.ToLower(f.label), err)
		}
		*f.value = strings.TrimRight(line, "\r\n")
	}
	return nil
}

func (o *publishOptions) payload() ([]byte, error) {
	from, err := email.ParseAddress(o.from)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	to, err := email.ParseAddress(o.to)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	return batch.Encode([]email.Document{{
		From:    from,
		To:      []string{to},
		Subject: o.subject,
		Body:    "<p>" + o.content + "</p>",
		HTML:    true,
	}})
}
