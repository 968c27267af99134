package ai

// ConfigChecker is implemented by providers that can validate their
// credential configuration for a model before any network call. Lets the
// HTTP layer answer 503 instead of opening a stream that will only carry an
// error frame.
type ConfigChecker interface {
	CheckConfig(model string) error
}

func (p *GroqProvider) CheckConfig(model string) error {
	_, _, err := p.pickCredential(model)
	return err
}
