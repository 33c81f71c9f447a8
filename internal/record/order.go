package record

import (
	"encoding/json"
	"maps"
)

// Order is a retail order.
type Order struct {
	OrderID         Value `json:"order_id,omitzero"`
	CustomerID      Value `json:"customer_id,omitzero"`
	Item            Value `json:"item,omitzero"`
	Quantity        Value `json:"quantity,omitzero"`
	Price           Value `json:"price,omitzero"`
	ShippingAddress Value `json:"shipping_address,omitzero"`
	OrderStatus     Value `json:"order_status,omitzero"`
	CreationDate    Value `json:"creation_date,omitzero"`

	// Extra holds keys the producer sent that Order does not model. They are
	// echoed back when the record is marshalled as JSON.
	Extra map[string]json.RawMessage `json:"-"`
}

var _ Record = (*Order)(nil)

func (o *Order) fields() []field {
	return []field{
		{"order_id", &o.OrderID},
		{"customer_id", &o.CustomerID},
		{"item", &o.Item},
		{"quantity", &o.Quantity},
		{"price", &o.Price},
		{"shipping_address", &o.ShippingAddress},
		{"order_status", &o.OrderStatus},
		{"creation_date", &o.CreationDate},
	}
}

func (o *Order) Kind() Kind {
	return KindOrder
}

func (o *Order) ID() string {
	return o.OrderID.String()
}

func (o *Order) Field(name string) Value {
	if v := lookup(o.fields(), name); v != nil {
		return *v
	}
	return Value{}
}

func (o *Order) SetField(name string, v Value) bool {
	p := lookup(o.fields(), name)
	if p == nil {
		return false
	}
	*p = v
	return true
}

func (o *Order) FieldNames() []string {
	return names(o.fields())
}

func (o *Order) Required() []string {
	return []string{"order_id", "quantity", "price", "order_status"}
}

func (o *Order) Normalized() []string {
	return []string{"order_status"}
}

func (o *Order) Pricing() (Value, Value) {
	return o.Quantity, o.Price
}

func (o *Order) Clone() Record {
	c := *o
	c.Extra = maps.Clone(o.Extra)
	return &c
}

func (o *Order) MarshalJSON() ([]byte, error) {
	return marshalFields(o.fields(), o.Extra)
}

func (o *Order) UnmarshalJSON(data []byte) error {
	extra, err := unmarshalFields(data, o.fields())
	if err != nil {
		return err
	}
	o.Extra = extra
	return nil
}
