package tracking

func newTestCodec() *Codec {
	return NewCodec("https://crm.example.com/", []byte("test-secret"))
}
