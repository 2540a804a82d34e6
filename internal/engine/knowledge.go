package engine

import (
	"context"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/repo"
)

// BuildKnowledgeMap projects records into a node/link graph. Tag and code
// nodes are shared between records; related links to ids outside records are
// dropped and counted.
func BuildKnowledgeMap(records []domain.DecisionRecord) domain.KnowledgeMap {
	m := domain.KnowledgeMap{Nodes: []domain.MapNode{}, Links: []domain.MapLink{}}
	known := make(map[string]bool, len(records))
	for _, d := range records {
		known[d.ID] = true
	}
	nodes := map[string]bool{}
	links := map[domain.MapLink]bool{}
	addNode := func(n domain.MapNode) {
		if nodes[n.ID] {
			return
		}
		nodes[n.ID] = true
		m.Nodes = append(m.Nodes, n)
	}
	addLink := func(l domain.MapLink) {
		if links[l] {
			return
		}
		links[l] = true
		m.Links = append(m.Links, l)
	}
	for _, d := range records {
		addNode(domain.MapNode{ID: d.ID, Label: d.Title, Kind: domain.NodeADR, Status: d.Status})
	}
	for _, d := range records {
		for _, rid := range d.RelatedADRs {
			if !known[rid] {
				m.Dangling++
				continue
			}
			addLink(domain.MapLink{Source: d.ID, Target: rid, Kind: domain.LinkRelated})
		}
		for _, tag := range d.Tags {
			id := "tag-" + tag
			addNode(domain.MapNode{ID: id, Label: tag, Kind: domain.NodeTag})
			addLink(domain.MapLink{Source: d.ID, Target: id, Kind: domain.LinkTag})
		}
		for _, ref := range d.CodeReferences {
			id := "code-" + ref.ID
			addNode(domain.MapNode{ID: id, Label: ref.Path, Kind: domain.NodeCode})
			addLink(domain.MapLink{Source: d.ID, Target: id, Kind: domain.LinkCode})
		}
	}
	return m
}

// KnowledgeMap builds the map for all records, or one project's records.
func (e Engine) KnowledgeMap(ctx context.Context, projectID string) (domain.KnowledgeMap, error) {
	if v, ok := e.views.get("map", projectID); ok {
		return v.(domain.KnowledgeMap), nil
	}
	gen := e.views.generation()
	records, err := e.Repo.ListDecisions(ctx, repo.DecisionFilters{ProjectID: projectID})
	if err != nil {
		return domain.KnowledgeMap{}, err
	}
	m := BuildKnowledgeMap(records)
	e.views.add("map", projectID, m, gen)
	return m, nil
}
