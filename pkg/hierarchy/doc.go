// Package hierarchy classifies the space tree under a dataset's root into
// source spaces (raw session data available in range) and derived spaces
// (strict ancestors of sources). The walk is iterative over an adjacency map
// loaded in one query, so it tolerates arbitrarily deep trees and malformed
// cycles.
package hierarchy
