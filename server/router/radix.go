package router

import (
	"bytes"
)

// radix tree node
type node struct {
	prefix  []byte
	ch      []node  // children in flat area for data locality to not miss the cache
	handler Handler // our handler func
	isparam bool    // is node prefix param?
}

// insert node to tree that means link path and handler
func (n *node) insert(path []byte, h Handler) {
	// toggle first slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}

	// split our url to segments /api/handler -> {api, handler}
	cur := n
	for s := range bytes.SplitSeq(path, []byte("/")) {
		// skip empty route (/)
		if len(s) == 0 {
			continue
		}

		// params starting from : (:id, :name)
		isparam, pref := s[0] == ':', s
		if isparam {
			pref = s[1:]
		}

		// find child index in flat child array
		idx := -1
		for i := range cur.ch {
			if cur.ch[i].isparam == isparam && bytes.Equal(cur.ch[i].prefix, pref) {
				idx = i
				break
			}
		}

		// if no target -> make new node
		if idx == -1 {
			cur.ch = append(cur.ch, node{
				prefix:  bytes.Clone(pref),
				isparam: isparam,
			})
			idx = len(cur.ch) - 1
		}
		cur = &cur.ch[idx]
	}
	// set node handler
	cur.handler = h
}

// check if path match any route and collect params, static segments win over params
func (n *node) match(path []byte, params []Param) (Handler, []Param) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) == 0 {
		return n.handler, params
	}

	for i := range n.ch {
		c := &n.ch[i]
		if !c.isparam && bytes.HasPrefix(path, c.prefix) {
			rem := path[len(c.prefix):]
			if len(rem) == 0 || rem[0] == '/' {
				if h, p := c.match(rem, params); h != nil {
					return h, p
				}
			}
		}
	}

	for i := range n.ch {
		c := &n.ch[i]
		if c.isparam {
			end := bytes.IndexByte(path, '/')
			if end == -1 {
				end = len(path)
			}

			mark := len(params)
			params = append(params, Param{Key: c.prefix, Val: path[:end]})
			if h, p := c.match(path[end:], params); h != nil {
				return h, p
			}
			params = params[:mark]
		}
	}

	return nil, params
}
