package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/xbrlflow/internal/services"
)

var (
	instance *services.StageFunction
	once     sync.Once
	initErr  error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	functions.CloudEvent("ExportTable", exportTable)
}

// main is required by the Go Functions Framework.
func main() {}

// exportTable receives export requests for verified runs.
func exportTable(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		instance, initErr = services.NewExporter(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}
	return instance.Process(ctx, e)
}
