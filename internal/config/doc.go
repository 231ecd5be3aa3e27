// Package config handles configuration loading for coven-coordinator.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, then defaulted and validated.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  secret: "${COVEN_AUTH_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	workflow:
//	  step_timeout: "300s"
//	  retention: "24h"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//	  coordinator_name: "master-coordinator"
//
// Authentication:
//
//	auth:
//	  secret: "${COVEN_AUTH_SECRET}"   # Required; tokens and signatures derive from it
//	  token_ttl: "24h"
//	  signature_tolerance: "5m"
//	  require_signatures: false
//
// Agents, registered in name order:
//
//	agents:
//	  endpoints:
//	    fitness-agent: "http://localhost:8001"
//	    nutrition-agent: "http://localhost:8002"
//	  request_timeout: "30s"
//	  rate_limit: 10        # sends per second per agent, 0 = unlimited
//	  retry:
//	    max_attempts: 3
//
// Workflow engine:
//
//	workflow:
//	  halt_policy: "fail_fast"   # fail_fast, skip_dependents
//	  templates:
//	    - id: weekly_prep
//	      steps:
//	        - {id: plan, agent: nutrition-agent, tool: meal_planner}
//	        - {id: shop, agent: shopping-agent, tool: shopping_optimizer, dependencies: [plan]}
//
// Storage:
//
//	storage:
//	  backend: "sqlite"   # sqlite, redis, memory
//	  path: "coven-coordinator.db"
//
// Text generation:
//
//	textgen:
//	  provider: "openai"   # openai, none
//	  api_key: "${OPENAI_API_KEY}"
//
// # Validation
//
// Load() validates:
//
//   - Auth secret presence
//   - Duration format validity
//   - Agent endpoint URLs
//   - Halt policy, storage backend, and text generation provider values
//   - Template step shape; tools are checked by WorkflowConfig.Definitions
package config
