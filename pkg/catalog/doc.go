// Package catalog manages the product catalog: plans and their prices.
//
// Prices are immutable once created. Changing what a plan costs means
// creating a new price and deactivating the old one; subscriptions keep the
// price they were sold at. Reads go through a two-tier cache (in-process LRU
// in front of Redis) because the catalog is read on every invoice run and
// proration preview.
package catalog
