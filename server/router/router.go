package router

// Mux routes POST requests with a body to handlers by path.
// register everything before serving, the tree is read without locks
type Mux struct {
	treeroot node
}

// init a new mux
func NewMux() *Mux {
	return &Mux{}
}

func (m *Mux) Handle(path string, h Handler) {
	m.treeroot.insert([]byte(path), h)
}

// params are appended to dst
func (m *Mux) Match(path []byte, dst []Param) (Handler, []Param) {
	return m.treeroot.match(path, dst)
}
