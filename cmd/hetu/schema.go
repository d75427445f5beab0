package main

import (
	"github.com/hetu-io/hetu/internal/admission"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
	"github.com/hetu-io/hetu/internal/system"
)

// demoRegistry builds the small illustrative ECS schema hetu ships with:
// a Player identity row and a Position row per player, enough to exercise
// start/shell end to end without an application-specific schema on hand.
func demoRegistry() *schema.Registry {
	reg := schema.NewRegistry()
	must(reg.Register(schema.Component{
		Name: "Player",
		Fields: []schema.Field{
			{Name: "name", Kind: schema.KindString},
			{Name: "token_subject", Kind: schema.KindString},
		},
		Indices:     []schema.Index{{Field: "token_subject", Kind: schema.IndexUnique}},
		Persistency: schema.Persistent,
		Permission:  schema.Guest,
	}))
	must(reg.Register(schema.Component{
		Name: "Position",
		Fields: []schema.Field{
			{Name: "owner", Kind: schema.KindUint64},
			{Name: "x", Kind: schema.KindFloat64},
			{Name: "y", Kind: schema.KindFloat64},
		},
		Indices: []schema.Index{
			{Field: "owner", Kind: schema.IndexUnique},
			{Field: "x", Kind: schema.IndexOrdered},
		},
		Persistency: schema.Persistent,
		Permission:  schema.Guest,
	}))
	reg.Freeze()
	return reg
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// demoSystems registers the login/move Systems used to demonstrate
// identity elevation and a write path under the optimistic executor.
func demoSystems(issuer *admission.Issuer) *system.Registry {
	reg := system.NewRegistry()

	must(reg.Register(system.Def{
		Name:       "login",
		Permission: schema.Guest,
		Elevates:   schema.User,
		Params:     []system.ParamSpec{{Name: "name", Kind: schema.KindString}},
		Fn: func(tx store.Transaction, args map[string]any) (any, error) {
			name, _ := args["name"].(string)
			id, err := tx.Insert("Player", schema.Values{name, name})
			if err != nil {
				return nil, err
			}
			token, err := issuer.Issue(name, schema.User)
			if err != nil {
				return nil, err
			}
			if _, err := tx.Insert("Position", schema.Values{uint64(id), 0.0, 0.0}); err != nil {
				return nil, err
			}
			return map[string]any{"player_id": uint64(id), "token": token}, nil
		},
	}))

	must(reg.Register(system.Def{
		Name:       "move",
		Permission: schema.User,
		Params: []system.ParamSpec{
			{Name: "owner", Kind: schema.KindUint64},
			{Name: "x", Kind: schema.KindFloat64},
			{Name: "y", Kind: schema.KindFloat64},
		},
		Fn: func(tx store.Transaction, args map[string]any) (any, error) {
			owner := args["owner"].(uint64)
			rows, err := tx.Query("Position", store.Range{Index: "owner", Left: owner, Right: owner + 1, Limit: 1})
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return nil, nil
			}
			return nil, tx.Update("Position", rows[0].ID, map[string]any{
				"x": args["x"].(float64),
				"y": args["y"].(float64),
			})
		},
	}))

	return reg
}
