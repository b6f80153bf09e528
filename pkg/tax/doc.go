// Package tax computes invoice tax from a YAML rate table keyed by
// jurisdiction (country, state, postal-code prefix). The most specific
// matching rule wins. Amounts are computed with decimal arithmetic and
// rounded half-up to whole cents. The table can be hot-reloaded when the
// file changes on disk.
package tax
