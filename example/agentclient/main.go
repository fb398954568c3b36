package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2/clientcredentials"
)

var (
	servervar string
	idvar     string
	secretvar string
	scopevar  string
	taskvar   string
)

func init() {
	flag.StringVar(&servervar, "server", "http://localhost:9096", "agentgate base URL")
	flag.StringVar(&idvar, "i", "", "agent client id")
	flag.StringVar(&secretvar, "s", "", "agent client secret")
	flag.StringVar(&scopevar, "scope", "tickets:read", "requested scope, space-delimited")
	flag.StringVar(&taskvar, "task", "", "task correlation id")
}

// Demonstrates an agent obtaining a credential via the client-credentials
// grant, then introspecting it.
func main() {
	flag.Parse()
	if idvar == "" || secretvar == "" {
		log.Fatal("client id and secret are required (-i, -s)")
	}

	cfg := clientcredentials.Config{
		ClientID:     idvar,
		ClientSecret: secretvar,
		TokenURL:     servervar + "/oauth/token",
		Scopes:       strings.Fields(scopevar),
	}
	if taskvar != "" {
		cfg.EndpointParams = url.Values{"task_id": []string{taskvar}}
	}

	ctx := context.Background()
	token, err := cfg.Token(ctx)
	if err != nil {
		log.Fatalf("token request failed: %v", err)
	}
	fmt.Printf("access token: %s\n", token.AccessToken)
	fmt.Printf("expires:      %s\n", token.Expiry)
	if tid := token.Extra("task_id"); tid != nil {
		fmt.Printf("task id:      %v\n", tid)
	}

	resp, err := http.PostForm(servervar+"/oauth/introspect", url.Values{"token": []string{token.AccessToken}})
	if err != nil {
		log.Fatalf("introspect failed: %v", err)
	}
	defer resp.Body.Close()
	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		log.Fatalf("decode introspection: %v", err)
	}
	out, _ := json.MarshalIndent(info, "", "  ")
	fmt.Printf("introspection:\n%s\n", out)
}
