package language

type pythonAdapter struct {
	baseAdapter
}

func newPythonAdapter(profile Profile) *pythonAdapter {
	return &pythonAdapter{baseAdapter{lang: Python, profile: profile}}
}
