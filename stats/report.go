package stats

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hawkdelights/cake-orders/model"
)

const (
	OrdersReport   = "orders.csv"
	FailuresReport = "failures.csv"
)

// WriteReports writes orders.csv and failures.csv into dir.
func WriteReports(dir string, orders []model.Order, failures []model.Failure) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	orderRows := make([][]string, 0, len(orders)+1)
	orderRows = append(orderRows, []string{"message_id", "customer_name", "cake_type", "pickup_at"})
	for _, o := range orders {
		orderRows = append(orderRows, []string{
			o.MessageID(), o.CustomerName(), o.CakeType(), o.PickupAt().Format(time.RFC3339),
		})
	}
	if err := writeCSV(filepath.Join(dir, OrdersReport), orderRows); err != nil {
		return err
	}

	failureRows := make([][]string, 0, len(failures)+1)
	failureRows = append(failureRows, []string{"message_id", "field", "reason", "raw"})
	for _, f := range failures {
		failureRows = append(failureRows, []string{f.MessageID, string(f.Field), string(f.Reason), f.Raw})
	}
	return writeCSV(filepath.Join(dir, FailuresReport), failureRows)
}

func writeCSV(path string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}

	w := csv.NewWriter(file)
	if err := w.WriteAll(rows); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
