package archive

import (
	"context"
	"fmt"
	"log/slog"

	"phiguard/internal/retention/models"
)

// LoggedArchiver records archive intent without copying bytes anywhere. The
// returned location is where cold storage is expected to hold the record.
type LoggedArchiver struct {
	logger *slog.Logger
	scheme string
}

func NewLoggedArchiver(logger *slog.Logger) *LoggedArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggedArchiver{logger: logger, scheme: "archive"}
}

// Archive returns archive://<type>/<yyyy>/<id>, bucketed by the year the
// record was last modified.
func (a *LoggedArchiver) Archive(ctx context.Context, rec models.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	location := Location(a.scheme, rec)
	a.logger.InfoContext(ctx, "record archived",
		"resource_type", rec.ResourceType(),
		"resource_id", rec.RecordID(),
		"location", location,
	)
	return location, nil
}

// Location builds the archive address for rec.
func Location(scheme string, rec models.Record) string {
	return fmt.Sprintf("%s://%s/%04d/%s", scheme, rec.ResourceType(), rec.ModifiedAt().UTC().Year(), rec.RecordID())
}
