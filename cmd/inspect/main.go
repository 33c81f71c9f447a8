// Command inspect resolves a topic's binding and prints it.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/hamba/avro/v2"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"eventpipe/internal/app"
	"eventpipe/internal/pubsub"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, "inspect")
	if err != nil {
		log.Fatalf("failed to start inspect: %v", err)
	}
	defer a.Close()

	flag.Parse()
	topics := flag.Args()
	if len(topics) == 0 {
		topics = []string{a.Config.Pipeline.TopicID}
	}

	if err := run(ctx, a, os.Stdout, topics); err != nil {
		a.Logger.Error("inspect failed", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, w io.Writer, topics []string) error {
	if err := a.Provision(ctx); err != nil {
		return err
	}

	for _, topic := range topics {
		binding, err := a.Resolve(ctx, topic)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, render(binding)); err != nil {
			return err
		}
	}

	return nil
}

// render formats the binding and, when a schema is bound, its fields.
func render(binding pubsub.TopicBinding) string {
	b := new(bytes.Buffer)

	schema := "-"
	if binding.Schema != nil {
		schema = binding.Schema.Ref.String()
	}

	table := tablewriter.NewWriter(b)
	table.SetHeader([]string{"topic", "encoding", "schema"})
	table.SetAutoFormatHeaders(true)
	table.Append([]string{binding.Topic, binding.Encoding.String(), schema})
	table.Render()

	if binding.Schema == nil {
		return b.String()
	}

	fields := tablewriter.NewWriter(b)
	fields.SetHeader([]string{"field", "type", "required"})
	fields.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT})
	for _, f := range binding.Schema.Fields() {
		fields.Append([]string{
			f.Name(),
			typeName(f.Type()),
			fmt.Sprint(!f.HasDefault() && !nullable(f.Type())),
		})
	}
	fields.Render()

	return b.String()
}

func typeName(s avro.Schema) string {
	switch t := s.(type) {
	case *avro.UnionSchema:
		names := make([]string, 0, len(t.Types()))
		for _, member := range t.Types() {
			names = append(names, typeName(member))
		}
		return strings.Join(names, "|")
	case *avro.EnumSchema:
		return "enum(" + strings.Join(t.Symbols(), ",") + ")"
	default:
		return string(s.Type())
	}
}

func nullable(s avro.Schema) bool {
	u, ok := s.(*avro.UnionSchema)
	return ok && u.Nullable()
}
