package source

import (
	sq "github.com/Masterminds/squirrel"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const scanFilesExpr = `COALESCE((
  SELECT jsonb_agg(jsonb_build_object('file_id', f.file_id, 'type', f.file_type) ORDER BY f.id)
  FROM realograms_implementation_scanfile f
  WHERE f.scan_id = s.id
), '[]'::jsonb) AS scan_files`

// idsFilter matches s.id against a single array parameter, whatever the
// list length. idArray is the driver's array value for the ids.
func idsFilter(idArray any) sq.Sqlizer {
	return sq.Expr("s.id = ANY(?)", idArray)
}

// scansQuery selects one row per scan with its payload, file descriptors
// and the section name from its most recent compliance report.
func scansQuery(idArray any) (string, []any, error) {
	return psql.
		Select(
			"DISTINCT ON (s.id) s.id",
			"s.provided_values",
			scanFilesExpr,
			"COALESCE(pcr.section_name, '') AS section_name",
		).
		From("realograms_implementation_scan s").
		LeftJoin("realograms_implementation_realogram r ON s.active_realogram_id = r.id").
		LeftJoin("planograms_compliance_planogramcompliancereport pcr ON pcr.realogram_id = r.id").
		Where(idsFilter(idArray)).
		OrderBy("s.id", "pcr.id DESC NULLS LAST").
		ToSql()
}

// fileCountQuery counts attached files for each existing scan.
func fileCountQuery(idArray any) (string, []any, error) {
	return psql.
		Select("s.id", "COUNT(f.id)").
		From("realograms_implementation_scan s").
		LeftJoin("realograms_implementation_scanfile f ON f.scan_id = s.id").
		Where(idsFilter(idArray)).
		GroupBy("s.id").
		ToSql()
}
