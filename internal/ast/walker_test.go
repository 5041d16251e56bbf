package ast

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethdbg/edb/internal/model"
)

// solc's standard-json "ast" output for:
//
//	contract Counter {
//	    uint256 total;
//	    function add(uint256 x) public returns (uint256 y) {
//	        y = total + x;
//	        total = y;
//	    }
//	}
const counterAST = `{
  "nodeType": "SourceUnit",
  "src": "0:200:0",
  "nodes": [
    {
      "nodeType": "ContractDefinition",
      "id": 1,
      "src": "0:200:0",
      "nodes": [
        {
          "nodeType": "FunctionDefinition",
          "id": 5,
          "src": "40:120:0",
          "parameters": {
            "nodeType": "ParameterList",
            "id": 6,
            "src": "44:15:0",
            "parameters": [
              {
                "nodeType": "VariableDeclaration",
                "id": 7,
                "src": "44:9:0",
                "name": "x",
                "typeDescriptions": {
                  "typeString": "uint256",
                  "typeIdentifier": "t_uint256"
                }
              }
            ]
          },
          "returnParameters": {
            "nodeType": "ParameterList",
            "id": 8,
            "src": "70:9:0",
            "parameters": [
              {
                "nodeType": "VariableDeclaration",
                "id": 9,
                "src": "70:9:0",
                "name": "y",
                "typeDescriptions": {
                  "typeString": "uint256",
                  "typeIdentifier": "t_uint256"
                }
              }
            ]
          },
          "body": {
            "nodeType": "Block",
            "id": 20,
            "src": "90:60:0",
            "statements": [
              {
                "nodeType": "ExpressionStatement",
                "id": 12,
                "src": "94:15:0",
                "expression": {
                  "nodeType": "Assignment",
                  "id": 13,
                  "src": "94:15:0"
                }
              },
              {
                "nodeType": "ExpressionStatement",
                "id": 16,
                "src": "112:12:0",
                "expression": {
                  "nodeType": "Assignment",
                  "id": 17,
                  "src": "112:12:0"
                }
              }
            ]
          }
        }
      ]
    }
  ]
}`

func TestDecodeNodeBuildsTree(t *testing.T) {
	root, err := DecodeNode([]byte(counterAST))
	require.NoError(t, err)
	require.Equal(t, "SourceUnit", root.NodeType)
	require.Len(t, root.Children, 1)

	contract := root.Children[0]
	require.Equal(t, "ContractDefinition", contract.NodeType)
	require.Len(t, contract.Children, 1)

	fn := contract.Children[0]
	require.Equal(t, "FunctionDefinition", fn.NodeType)
	require.Equal(t, 5, fn.ID)
}

func TestAnalyzeWholeFileRoot(t *testing.T) {
	root, err := DecodeNode([]byte(counterAST))
	require.NoError(t, err)

	steps, variables, hooks := Analyze("Counter.sol", root)

	require.NotEmpty(t, steps, "a FunctionDefinition nested inside a SourceUnit must still be found")
	require.NotEmpty(t, variables)
	require.NotEmpty(t, hooks)

	var paramFound, returnFound bool
	for _, v := range variables {
		switch v.Name {
		case "x":
			paramFound = true
			require.Equal(t, model.VarParameter, v.Kind)
			require.Equal(t, "uint256", v.Type)
		case "y":
			returnFound = true
			require.Equal(t, model.VarUnnamedReturn, v.Kind)
			require.Equal(t, "uint256", v.Type)
		}
	}
	require.True(t, paramFound, "parameter x should enter scope")
	require.True(t, returnFound, "named return y should enter scope")

	for _, s := range steps {
		require.Equal(t, "Counter.sol", s.Path)
	}
}

func TestAnalyzeContractRootSameAsFileRoot(t *testing.T) {
	root, err := DecodeNode([]byte(counterAST))
	require.NoError(t, err)
	contract := root.Children[0]

	fromFile, varsFile, hooksFile := Analyze("Counter.sol", root)
	fromContract, varsContract, hooksContract := Analyze("Counter.sol", contract)

	require.Equal(t, len(fromFile), len(fromContract))
	require.Equal(t, len(varsFile), len(varsContract))
	require.Equal(t, len(hooksFile), len(hooksContract))
}

// solc's standard-json "ast" output for spec.md §8 scenario 3:
//
//	function f() public returns (uint256) {
//	    uint x = 1;
//	    x += 2;
//	    return x;
//	}
const scopeUpdateAST = `{
  "nodeType": "SourceUnit",
  "nodes": [{
    "nodeType": "ContractDefinition",
    "id": 1,
    "nodes": [{
      "nodeType": "FunctionDefinition",
      "id": 2,
      "src": "0:80:0",
      "parameters": {"nodeType": "ParameterList", "parameters": []},
      "returnParameters": {"nodeType": "ParameterList", "parameters": []},
      "body": {
        "nodeType": "Block",
        "id": 3,
        "src": "0:80:0",
        "statements": [
          {
            "nodeType": "VariableDeclarationStatement",
            "id": 4,
            "src": "10:11:0",
            "declarations": [
              {"nodeType": "VariableDeclaration", "id": 5, "src": "15:6:0", "name": "x", "typeDescriptions": {"typeString": "uint256"}}
            ]
          },
          {
            "nodeType": "ExpressionStatement",
            "id": 6,
            "src": "25:8:0",
            "expression": {
              "nodeType": "Assignment",
              "id": 7,
              "src": "25:7:0",
              "operator": "+=",
              "leftHandSide": {"nodeType": "Identifier", "id": 8, "src": "25:1:0", "name": "x"},
              "rightHandSide": {"nodeType": "Literal", "id": 9, "src": "30:1:0"}
            }
          },
          {
            "nodeType": "Return",
            "id": 10,
            "src": "36:10:0",
            "expression": {"nodeType": "Identifier", "id": 11, "src": "43:1:0", "name": "x"}
          }
        ]
      }
    }]
  }]
}`

func TestAnalyzeEmitsVariableUpdateAfterAssignment(t *testing.T) {
	root, err := DecodeNode([]byte(scopeUpdateAST))
	require.NoError(t, err)

	_, variables, hooks := Analyze("Scope.sol", root)

	var x model.Variable
	for _, v := range variables {
		if v.Name == "x" {
			x = v
		}
	}
	require.Equal(t, "x", x.Name, "x should have been declared")

	var sawUpdate bool
	for _, h := range hooks {
		if h.Kind == model.HookVariableUpdate && h.PayloadID == x.ID {
			sawUpdate = true
		}
	}
	require.True(t, sawUpdate, "x += 2 must emit a VariableUpdate hook for x")
}

func TestAnalyzeEmitsVariableOutOfScopeOnPopScope(t *testing.T) {
	root, err := DecodeNode([]byte(scopeUpdateAST))
	require.NoError(t, err)

	_, variables, hooks := Analyze("Scope.sol", root)

	var x model.Variable
	for _, v := range variables {
		if v.Name == "x" {
			x = v
		}
	}
	require.Equal(t, "x", x.Name)

	var sawInScope, sawOutOfScope bool
	for _, h := range hooks {
		if h.PayloadID != x.ID {
			continue
		}
		switch h.Kind {
		case model.HookVariableInScope:
			sawInScope = true
		case model.HookVariableOutOfScope:
			sawOutOfScope = true
		}
	}
	require.True(t, sawInScope, "x must enter scope")
	require.True(t, sawOutOfScope, "x must leave scope once its enclosing block closes")
}

func TestAnalyzeSkipsUnnamedParameters(t *testing.T) {
	const src = `{
		"nodeType": "SourceUnit",
		"nodes": [{
			"nodeType": "FunctionDefinition",
			"id": 1,
			"src": "0:10:0",
			"parameters": {
				"nodeType": "ParameterList",
				"parameters": [{
					"nodeType": "VariableDeclaration",
					"id": 2,
					"src": "0:5:0",
					"name": "",
					"typeDescriptions": {"typeString": "uint256"}
				}]
			},
			"returnParameters": {"nodeType": "ParameterList", "parameters": []},
			"body": {"nodeType": "Block", "id": 3, "src": "5:5:0", "statements": []}
		}]
	}`
	root, err := DecodeNode([]byte(src))
	require.NoError(t, err)

	_, variables, _ := Analyze("A.sol", root)
	require.Empty(t, variables, "an unnamed parameter never enters the scope graph")
}
