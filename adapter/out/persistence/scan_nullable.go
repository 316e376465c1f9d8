package persistence

// =============================================================================
// Helper functions
// =============================================================================

func toNullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func toNullableStringPtr(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
