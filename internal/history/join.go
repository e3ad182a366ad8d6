package history

// DataTimestampColumn is the synthetic column the joiner appends to the
// result, stamping every row with the bucket of the snapshot it came from.
const DataTimestampColumn = "data_timestamp"

// Join merges a sequence of snapshots into one tabular result. Columns come
// from the first record with the data_timestamp column appended last; rows
// are concatenated in input order. Returns nil for an empty input.
func Join(records []*Record) *QueryData {
	if len(records) == 0 {
		return nil
	}

	columns := make([]Column, 0, len(records[0].Data.Columns)+1)
	columns = append(columns, records[0].Data.Columns...)
	columns = append(columns, Column{
		Name:         DataTimestampColumn,
		FriendlyName: DataTimestampColumn,
		Type:         "datetime",
	})

	joined := &QueryData{Columns: columns}
	for _, r := range records {
		for _, row := range r.Data.Rows {
			stamped := make(map[string]any, len(row)+1)
			for k, v := range row {
				stamped[k] = v
			}
			stamped[DataTimestampColumn] = r.DataTimestamp
			joined.Rows = append(joined.Rows, stamped)
		}
	}

	return joined
}
