package core

import (
	"math"
	"testing"
)

//-------------------------------------------------------------
// S6: typed content round-trip
//-------------------------------------------------------------

func TestLinkContentRoundTrip(t *testing.T) {
	_, ctx := newTestEngine(t)

	l, _ := ctx.CreateLink(TypeLinkConst)
	if err := ctx.SetLinkContent(l, Float32Content(43.567)); err != nil {
		t.Fatalf("set: %v", err)
	}
	c, err := ctx.GetLinkContent(l)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	f, err := c.AsFloat32()
	if err != nil {
		t.Fatalf("as float32: %v", err)
	}
	if math.Abs(float64(f)-43.567) > 1e-4 {
		t.Fatalf("f=%v", f)
	}
	if _, err := c.AsInt64(); StatusOf(err) != StatusInvalidType {
		t.Fatalf("int view of float content: %v", err)
	}
}

func TestContentFormats(t *testing.T) {
	_, ctx := newTestEngine(t)

	tests := []struct {
		name    string
		content Content
		check   func(Content) error
	}{
		{"string", StringContent("hello"), func(c Content) error {
			s, err := c.AsString()
			if err == nil && s != "hello" {
				t.Fatalf("s=%q", s)
			}
			return err
		}},
		{"int64", Int64Content(-42), func(c Content) error {
			v, err := c.AsInt64()
			if err == nil && v != -42 {
				t.Fatalf("v=%d", v)
			}
			return err
		}},
		{"float64", Float64Content(2.5), func(c Content) error {
			v, err := c.AsFloat64()
			if err == nil && v != 2.5 {
				t.Fatalf("v=%v", v)
			}
			return err
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l, _ := ctx.CreateLink(TypeLinkConst)
			if err := ctx.SetLinkContent(l, tc.content); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err := ctx.GetLinkContent(l)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if err := tc.check(got); err != nil {
				t.Fatalf("view: %v", err)
			}
		})
	}
}

func TestContentOnNonLink(t *testing.T) {
	_, ctx := newTestEngine(t)
	n, _ := ctx.CreateNode(TypeNodeConst)
	if err := ctx.SetLinkContent(n, StringContent("x")); StatusOf(err) != StatusInvalidType {
		t.Fatalf("content on node: %v", err)
	}
}

func TestEmptyContentIsNo(t *testing.T) {
	_, ctx := newTestEngine(t)
	l, _ := ctx.CreateLink(TypeLinkConst)
	if _, err := ctx.GetLinkContent(l); StatusOf(err) != StatusNo {
		t.Fatalf("empty content: %v", err)
	}
}

//-------------------------------------------------------------
// Content index: set, replace, erase
//-------------------------------------------------------------

func TestFindLinksByContent(t *testing.T) {
	_, ctx := newTestEngine(t)

	l1, _ := ctx.CreateLink(TypeLinkConst)
	l2, _ := ctx.CreateLink(TypeLinkConst)
	for _, l := range []Address{l1, l2} {
		if err := ctx.SetLinkContent(l, StringContent("shared")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	links, err := ctx.FindLinksByContent([]byte("shared"))
	if err != nil || len(links) != 2 {
		t.Fatalf("links=%v err=%v", links, err)
	}

	// replacing content moves the link to the new bucket
	if err := ctx.SetLinkContent(l1, StringContent("moved")); err != nil {
		t.Fatalf("replace: %v", err)
	}
	links, _ = ctx.FindLinksByContent([]byte("shared"))
	if len(links) != 1 || links[0] != l2 {
		t.Fatalf("after replace: %v", links)
	}

	// erasing drops the index entry
	if err := ctx.Erase(l2); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if _, err := ctx.FindLinksByContent([]byte("shared")); StatusOf(err) != StatusNo {
		t.Fatalf("index kept dead link: %v", err)
	}
}
