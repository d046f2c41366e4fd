// Package deps provides dependency discovery between changes: Depends-On
// header scanning in commit messages, an insertion-ordered dependency
// graph, and Tarjan's strongly connected components algorithm for cycle
// detection.
package deps

import "regexp"

var dependsOnRe = regexp.MustCompile(`(?im)^Depends-On:\s*(\S+)\s*$`)

// FindDependencyHeaders returns the Depends-On URLs in a commit message,
// in order of first occurrence, with duplicates removed.
func FindDependencyHeaders(message string) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, match := range dependsOnRe.FindAllStringSubmatch(message, -1) {
		url := match[1]
		if seen[url] {
			continue
		}
		seen[url] = true
		urls = append(urls, url)
	}
	return urls
}

// Graph is an insertion-ordered directed graph of change references,
// accumulated while enqueueing changes ahead. Insertion order keeps cycle
// detection deterministic.
type Graph struct {
	order map[string]int
	keys  []string
	edges map[string][]string
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{
		order: make(map[string]int),
		edges: make(map[string][]string),
	}
}

func (g *Graph) addNode(key string) {
	if _, ok := g.order[key]; !ok {
		g.order[key] = len(g.keys)
		g.keys = append(g.keys, key)
	}
}

// AddEdge records that `from` depends on `to`.
func (g *Graph) AddEdge(from, to string) {
	g.addNode(from)
	g.addNode(to)
	for _, existing := range g.edges[from] {
		if existing == to {
			return
		}
	}
	g.edges[from] = append(g.edges[from], to)
}

// Nodes returns the graph's nodes in insertion order.
func (g *Graph) Nodes() []string {
	return g.keys
}

// Edges returns the dependencies of a node.
func (g *Graph) Edges(key string) []string {
	return g.edges[key]
}
