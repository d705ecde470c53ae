package graph

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/decode"
	"github.com/gofhir/uploader/reference"
)

func key(s string) fv.Key {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return fv.Key{Type: s[:i], ID: s[i+1:]}
		}
	}
	panic("bad key " + s)
}

// node builds a node for k depending on the given keys.
func node(k string, deps ...string) Node {
	kk := key(k)
	n := Node{Resource: &fv.Resource{Type: kk.Type, ID: kk.ID, Hash: "h-" + k, SourceRef: k + ".json"}}
	for _, d := range deps {
		n.References = append(n.References, fv.Reference{From: kk, Raw: d, Target: key(d)})
	}
	return n
}

func keys(ss ...string) []fv.Key {
	out := make([]fv.Key, len(ss))
	for i, s := range ss {
		out[i] = key(s)
	}
	return out
}

func mustPlan(t *testing.T, nodes []Node) *Plan {
	t.Helper()
	g, err := Build(nodes)
	require.NoError(t, err)
	plan, err := g.Sort()
	require.NoError(t, err)
	return plan
}

func TestSort_PatientEncounterObservation(t *testing.T) {
	plan := mustPlan(t, []Node{
		node("Observation/o1", "Patient/p1", "Encounter/e1"),
		node("Encounter/e1", "Patient/p1"),
		node("Patient/p1"),
	})

	assert.Equal(t, keys("Patient/p1", "Encounter/e1", "Observation/o1"), plan.Order)
	assert.Equal(t, 0, plan.Depth[key("Patient/p1")])
	assert.Equal(t, 1, plan.Depth[key("Encounter/e1")])
	assert.Equal(t, 2, plan.Depth[key("Observation/o1")])
	assert.Equal(t, 2, plan.MaxDepth())
	assert.Equal(t, 3, plan.Position(key("Observation/o1")))
	assert.Equal(t, 0, plan.Position(key("Patient/missing")))
	assert.Equal(t, keys("Encounter/e1", "Patient/p1"), plan.Deps[key("Observation/o1")])
}

func TestSort_TieBreakIsLexicographic(t *testing.T) {
	plan := mustPlan(t, []Node{
		node("Patient/b"),
		node("Organization/z"),
		node("Patient/a"),
		node("Observation/x", "Patient/b"),
	})
	assert.Equal(t, keys("Organization/z", "Patient/a", "Patient/b", "Observation/x"), plan.Order)
}

func TestSort_TwoNodeCycle(t *testing.T) {
	g, err := Build([]Node{
		node("Patient/B", "Patient/A"),
		node("Patient/A", "Patient/B"),
	})
	require.NoError(t, err)

	plan, err := g.Sort()
	assert.Nil(t, plan)

	var ce *fv.CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, keys("Patient/A", "Patient/B"), ce.Members)
	assert.Equal(t, "dependency cycle: Patient/A -> Patient/B -> Patient/A", ce.Error())
}

func TestFindCycle_SelfReference(t *testing.T) {
	g, err := Build([]Node{node("Patient/p", "Patient/p"), node("Organization/o")})
	require.NoError(t, err)

	ce := g.FindCycle()
	require.NotNil(t, ce)
	assert.Equal(t, keys("Patient/p"), ce.Members)
}

func TestBuild_CanonicalSelfReferenceIsNotAnEdge(t *testing.T) {
	sd := canonicalNode("StructureDefinition/sd", "http://example.org/sd", "")
	sd.References = append(sd.References,
		fv.Reference{From: key("StructureDefinition/sd"), Raw: "http://example.org/sd", Canonical: "http://example.org/sd"},
	)
	g, err := Build([]Node{sd})
	require.NoError(t, err)
	assert.Equal(t, fv.GraphStats{Nodes: 1}, g.Stats())
	assert.Nil(t, g.FindCycle())

	plan, err := g.Sort()
	require.NoError(t, err)
	assert.Equal(t, keys("StructureDefinition/sd"), plan.Order)
}

func TestFindCycle_RotatesSmallestFirst(t *testing.T) {
	g, err := Build([]Node{
		node("Task/a", "Task/m"),
		node("Task/m", "Task/z"),
		node("Task/z", "Task/c"),
		node("Task/c", "Task/m"),
	})
	require.NoError(t, err)

	ce := g.FindCycle()
	require.NotNil(t, ce)
	assert.Equal(t, keys("Task/c", "Task/m", "Task/z"), ce.Members)
	assert.False(t, ce.Contains(key("Task/a")))
}

func TestFindCycle_DeepChain(t *testing.T) {
	const n = 20000
	nodes := make([]Node, 0, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("Basic/%06d", i)
		if i == 0 {
			nodes = append(nodes, node(k))
			continue
		}
		nodes = append(nodes, node(k, fmt.Sprintf("Basic/%06d", i-1)))
	}
	plan := mustPlan(t, nodes)
	assert.Equal(t, n-1, plan.MaxDepth())
	assert.Equal(t, key("Basic/000000"), plan.Order[0])
}

func TestBuild_Duplicates(t *testing.T) {
	same := node("Patient/p")
	same.Resource.SourceRef = "copy.json"

	g, err := Build([]Node{node("Patient/p"), same})
	require.NoError(t, err)
	assert.Equal(t, fv.GraphStats{Nodes: 1, Duplicates: 1}, g.Stats())

	differs := node("Patient/p")
	differs.Resource.Hash = "other"
	differs.Resource.SourceRef = "b.json"
	g, err = Build([]Node{node("Patient/p"), node("Organization/o"), differs})
	var de *fv.DuplicateResourceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, key("Patient/p"), de.Key)
	assert.Equal(t, []string{"Patient/p.json", "b.json"}, de.Sources)
	require.NotNil(t, g)
	assert.Equal(t, 2, g.Stats().Nodes)
	assert.True(t, fv.IsFatal(err))
}

func TestBuild_ExternalAndEdgeCounts(t *testing.T) {
	g, err := Build([]Node{
		node("Observation/o", "Patient/p", "Patient/p", "Practitioner/elsewhere"),
		node("Patient/p"),
	})
	require.NoError(t, err)
	assert.Equal(t, fv.GraphStats{Nodes: 2, Edges: 1, External: 1}, g.Stats())
	assert.Equal(t, keys("Observation/o"), g.Dependents(key("Patient/p")))
	assert.True(t, g.Has(key("Patient/p")))
	assert.Equal(t, 2, g.Len())
}

func canonicalNode(k, url, version string) Node {
	n := node(k)
	n.Resource.CanonicalURL = url
	n.Resource.CanonicalVersion = version
	return n
}

func TestResolve_Canonical(t *testing.T) {
	g, err := Build([]Node{
		canonicalNode("ValueSet/v1", "http://example.org/vs", "1.2.0"),
		canonicalNode("ValueSet/v2", "http://example.org/vs", "1.10.0"),
		canonicalNode("CodeSystem/cs", "http://example.org/cs", ""),
	})
	require.NoError(t, err)

	k, ok := g.Resolve(fv.Reference{Canonical: "http://example.org/vs", Version: "1.2.0"})
	require.True(t, ok)
	assert.Equal(t, key("ValueSet/v1"), k)

	k, ok = g.Resolve(fv.Reference{Canonical: "http://example.org/vs"})
	require.True(t, ok)
	assert.Equal(t, key("ValueSet/v2"), k, "bare url resolves to the highest version")

	k, ok = g.Resolve(fv.Reference{Canonical: "http://example.org/vs", Version: "9.9.9"})
	require.True(t, ok)
	assert.Equal(t, key("ValueSet/v2"), k)

	k, ok = g.Resolve(fv.Reference{Canonical: "http://example.org/cs"})
	require.True(t, ok)
	assert.Equal(t, key("CodeSystem/cs"), k)

	_, ok = g.Resolve(fv.Reference{Canonical: "http://hl7.org/fhir/StructureDefinition/Patient"})
	assert.False(t, ok)
}

func TestResolve_FullURLAlias(t *testing.T) {
	p := node("Patient/p1")
	p.Resource.FullURL = "urn:uuid:7f0e"
	o := node("Organization/o1")
	o.Resource.FullURL = "http://other.example/fhir/Organization/remote-id"

	g, err := Build([]Node{p, o, {
		Resource: &fv.Resource{Type: "Observation", ID: "x", Hash: "hx"},
		References: []fv.Reference{
			{Raw: "urn:uuid:7f0e"},
			{Raw: "http://other.example/fhir/Organization/remote-id/_history/3", Target: key("Organization/remote-id")},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, keys("Organization/o1", "Patient/p1"), g.Deps(key("Observation/x")))
}

func TestBuild_FromDecodedBundle(t *testing.T) {
	bundle := `{
	  "resourceType": "Bundle",
	  "type": "transaction",
	  "entry": [
	    {"fullUrl": "urn:uuid:obs", "resource": {"resourceType": "Observation", "id": "o", "subject": {"reference": "urn:uuid:pat"}, "performer": [{"reference": "Practitioner/dr"}]}},
	    {"fullUrl": "urn:uuid:pat", "resource": {"resourceType": "Patient", "id": "p", "generalPractitioner": [{"reference": "Practitioner/dr"}]}},
	    {"fullUrl": "urn:uuid:dr", "resource": {"resourceType": "Practitioner", "id": "dr"}}
	  ]
	}`
	res := decode.New().Unit(decode.Input{Name: "tx.json", Data: []byte(bundle)})
	require.Nil(t, res.Err)

	ex := reference.New(fv.StrategyStructural)
	var nodes []Node
	for _, r := range res.Resources {
		nodes = append(nodes, Node{Resource: r, References: ex.Extract(r)})
	}
	plan := mustPlan(t, nodes)
	assert.Equal(t, keys("Practitioner/dr", "Patient/p", "Observation/o"), plan.Order)
}

// randomDAG returns nodes where each node may only depend on nodes with a
// lower index, so the graph is acyclic.
func randomDAG(rng *rand.Rand, n int) []Node {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s/r%d", []string{"Patient", "Encounter", "Observation"}[rng.Intn(3)], i)
	}
	nodes := make([]Node, n)
	for i := range nodes {
		var deps []string
		for j := 0; j < i; j++ {
			if rng.Intn(4) == 0 {
				deps = append(deps, names[j])
			}
		}
		nodes[i] = node(names[i], deps...)
	}
	return nodes
}

func TestSort_PlanRespectsEdges(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		nodes := randomDAG(rng, 1+rng.Intn(30))
		g, err := Build(nodes)
		require.NoError(t, err)
		plan, err := g.Sort()
		require.NoError(t, err)
		require.Len(t, plan.Order, len(nodes))

		for _, u := range plan.Order {
			for _, v := range g.Deps(u) {
				if plan.Position(v) >= plan.Position(u) {
					t.Fatalf("trial %d: %s placed before its dependency %s", trial, u, v)
				}
			}
		}
	}
}

func TestSort_DeterministicAcrossPermutations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		nodes := randomDAG(rng, 25)
		want := mustPlan(t, nodes)

		for perm := 0; perm < 5; perm++ {
			shuffled := append([]Node(nil), nodes...)
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			got := mustPlan(t, shuffled)
			require.Equal(t, want.Order, got.Order)
			require.Equal(t, want.Depth, got.Depth)
		}
	}
}

func TestFindCycle_MembersFormARealCycle(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		nodes := randomDAG(rng, 2+rng.Intn(20))
		// Close a back edge from a random early node to a later one.
		from := rng.Intn(len(nodes) - 1)
		to := from + 1 + rng.Intn(len(nodes)-from-1)
		toKey := nodes[to].Resource.Key()
		nodes[to].References = append(nodes[to].References, fv.Reference{Target: nodes[from].Resource.Key()})
		nodes[from].References = append(nodes[from].References, fv.Reference{Target: toKey})

		g, err := Build(nodes)
		require.NoError(t, err)
		_, err = g.Sort()
		var ce *fv.CycleError
		require.ErrorAs(t, err, &ce)
		require.NotEmpty(t, ce.Members)

		for i, m := range ce.Members {
			next := ce.Members[(i+1)%len(ce.Members)]
			assert.Contains(t, g.Deps(m), next, "trial %d: %s does not reference %s", trial, m, next)
			if i > 0 {
				assert.True(t, ce.Members[0].Less(m), "trial %d: cycle not rotated", trial)
			}
		}
	}
}
