package acceptance

import (
	"encoding/json"
	"net/http"
)

func (s *Suite) TestHealthCheck() {
	resp := s.get("/health", "")
	defer resp.Body.Close()

	s.Equal(http.StatusOK, resp.StatusCode)

	var body map[string]string
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
	s.Equal("pass", body["status"])
}

func (s *Suite) TestMetricsEndpoint() {
	resp := s.get("/metrics", "")
	defer resp.Body.Close()

	s.Equal(http.StatusOK, resp.StatusCode)
}
