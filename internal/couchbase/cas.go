package couchbase

// CasSetter is implemented by documents that track the CAS value they
// were read with.
type CasSetter interface {
	SetCas(cas uint64)
}

// CasGetter is implemented by documents whose writes should be guarded
// by the CAS value they were read with.
type CasGetter interface {
	GetCas() uint64
}

// Cas can be embedded in document types to make Store guard replaces and
// removes with optimistic concurrency control.
type Cas struct {
	c uint64
}

func (c *Cas) GetCas() uint64 {
	return c.c
}

func (c *Cas) SetCas(cas uint64) {
	c.c = cas
}
