package router

// handler for body-bearing requests, it works only with Request and returns Reply
type Handler func(req *Request) Reply

// url param, both slices refer to the request path
type Param struct {
	Key, Val []byte
}

// request as the handler sees it; slices are valid only during the call
type Request struct {
	Path   []byte
	Query  []byte
	Body   []byte
	Params []Param
}

func (r *Request) Param(key string) []byte {
	for _, p := range r.Params {
		if string(p.Key) == key {
			return p.Val
		}
	}
	return nil
}

// reply is sent as is, Body must stay valid until the write drains
type Reply struct {
	Code int // 0 means 200
	Type []byte
	Body []byte
}
